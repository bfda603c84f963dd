package session

import (
	"context"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
)

// Seeds is the persisted evidence read before the Manager exists.
type Seeds struct {
	PrivateKey      string
	ThirdPartyToken string
	WalletAddress   string
	AccessToken     string
	UserID          string
	Locale          string
}

// LoadSeeds reads the persisted session keys. A read failure is logged and the value
// is treated as absent.
func LoadSeeds(ctx context.Context, store kvstore.Store) Seeds {
	read := func(key string) string {
		v, _, err := kvstore.Lookup(ctx, store, key)
		if err != nil {
			log.Warn("failed to read stored session value", "key", key, "error", err)
			return ""
		}
		return v
	}
	return Seeds{
		PrivateKey:      read(constants.KeyPrivateKey),
		ThirdPartyToken: read(constants.KeyThirdPartyToken),
		WalletAddress:   read(constants.KeyWalletAddress),
		AccessToken:     read(constants.KeyAccessToken),
		UserID:          read(constants.KeyUserID),
		Locale:          read(constants.KeyLocale),
	}
}
