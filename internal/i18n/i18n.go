package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	LoginFailedTitle      = "loginFailed.title"
	LoginFailedMessage    = "loginFailed.message"
	WalletLookupTitle     = "walletLookupFailed.title"
	WalletLookupMessage   = "walletLookupFailed.message"
	StorageWriteTitle     = "storageWriteFailed.title"
	StorageWriteMessage   = "storageWriteFailed.message"
	KeyRegistrationFailed = "keyRegistrationFailed.message"
	InvalidPrivateKey     = "invalidPrivateKey.message"
)

var entries = map[language.Tag]map[string]string{
	language.English: {
		LoginFailedTitle:      "Login failed",
		LoginFailedMessage:    "We could not sign you in. Please try again.",
		WalletLookupTitle:     "Wallet unavailable",
		WalletLookupMessage:   "Signed in, but the wallet address could not be loaded.",
		StorageWriteTitle:     "Could not save session",
		StorageWriteMessage:   "Your session is active but was not saved on this device.",
		KeyRegistrationFailed: "The private key could not be added to the wallet.",
		InvalidPrivateKey:     "That is not a valid private key. Enter 64 hexadecimal characters.",
	},
	language.Spanish: {
		LoginFailedTitle:      "Error al iniciar sesión",
		LoginFailedMessage:    "No pudimos iniciar tu sesión. Inténtalo de nuevo.",
		WalletLookupTitle:     "Billetera no disponible",
		WalletLookupMessage:   "Sesión iniciada, pero no se pudo cargar la dirección de la billetera.",
		StorageWriteTitle:     "No se pudo guardar la sesión",
		StorageWriteMessage:   "Tu sesión está activa pero no se guardó en este dispositivo.",
		KeyRegistrationFailed: "No se pudo agregar la clave privada a la billetera.",
		InvalidPrivateKey:     "La clave privada no es válida. Ingresa 64 caracteres hexadecimales.",
	},
}

var cat = build()

func build() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range entries {
		for key, msg := range msgs {
			_ = b.SetString(tag, key, msg)
		}
	}
	return b
}

// Translator renders notice text in one locale.
type Translator struct {
	tag     language.Tag
	printer *message.Printer
}

// New picks the closest supported locale, falling back to English.
func New(locale string) *Translator {
	tag := language.English
	if s := strings.TrimSpace(locale); s != "" {
		if parsed, err := language.Parse(s); err == nil {
			supported := cat.Languages()
			_, idx, conf := language.NewMatcher(supported).Match(parsed)
			if conf != language.No {
				tag = supported[idx]
			}
		}
	}
	return &Translator{tag: tag, printer: message.NewPrinter(tag, message.Catalog(cat))}
}

func (t *Translator) Locale() string { return t.tag.String() }

// T returns the message for key, or key itself when it is unknown.
func (t *Translator) T(key string) string {
	return t.printer.Sprintf(key)
}
