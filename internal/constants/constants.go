package constants

const (
	AppName       = "wallet-session"
	StoreFileName = "session_store.json"
	BoltFileName  = "session_store.db"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// AAD for the encrypted key-value file (must match on decrypt).
	StoreAAD = "wallet-session:kvstore:v1"

	// Scope the sealed DEK so it can’t be mixed with other sealed blobs.
	StoreSealerLabel = "wallet-session:kvstore:dek:v1"
)

// Storage keys owned by the session. Values match what earlier app releases wrote so
// existing installs restore without migration.
const (
	KeyPrivateKey      = "__TREEJER_PRIVATE_KEY"
	KeyThirdPartyToken = "__TREEJER_MAGIC_TOKEN"
	KeyWalletAddress   = "__TREEJER_MAGIC_WALLET_ADDRESS"
	KeyUserID          = "__TREEJER_USER_ID"
	KeyAccessToken     = "__TREEJER_ACCESS_TOKEN"
	KeyLocale          = "__TREEJER_LOCALE"
)

// SessionKeys lists every key cleared on logout. Locale and other app data survive it.
var SessionKeys = []string{
	KeyPrivateKey,
	KeyThirdPartyToken,
	KeyWalletAddress,
	KeyUserID,
	KeyAccessToken,
}
