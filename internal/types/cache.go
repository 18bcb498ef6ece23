package types

import "time"

// PayloadClass partitions cached payloads so that identical bytes
// used for different purposes never collide in the manifest.
type PayloadClass string

const (
	PayloadEnvironment PayloadClass = "environment"
	PayloadProject     PayloadClass = "project"
	PayloadDataset     PayloadClass = "dataset"
	PayloadPackage     PayloadClass = "package"
	PayloadResult      PayloadClass = "result"
)

// CacheEntry records that a content-addressed payload is retrievable
// from the bulk store. An entry exists if and only if the referenced
// object does: Put verifies the upload before recording it.
type CacheEntry struct {
	Hash      string       `json:"hash"`
	Class     PayloadClass `json:"class"`
	StoreKey  string       `json:"storeKey"`
	Size      int64        `json:"size"`
	FirstSeen time.Time    `json:"firstSeen"`
	LastUsed  time.Time    `json:"lastUsed"`
}
