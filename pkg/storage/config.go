package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "none", "Where to cache the Sol-Ark credential (available: none, firestore)")
	encryptionKey := lflag.String("credentials-encryption-key", "", "32-byte key used to encrypt the cached credential")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "none", "":
			p.Database = noneProvider{}
		case "firestore":
			c, err := NewCipher(*encryptionKey)
			if err != nil {
				panic(fmt.Sprintf("credentials-encryption-key: %v", err))
			}
			fs.cipher = c
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
