package model

import "time"

type (
	// StoredSecret is one persisted store entry as a document backend sees it.
	// Value is opaque to the backend; it may be sealed.
	StoredSecret struct {
		Key       string     `bson:"key"`
		Value     string     `bson:"value"`
		ExpiresAt *time.Time `bson:"expiresAt,omitempty"`
	}
)
