package models

import "time"

// AccountTarget identifies one source account to poll. PinnedItemID, when
// set, names a post that is always skipped (typically the account's pinned
// post, which would otherwise be re-harvested every cycle).
type AccountTarget struct {
	Handle       string `json:"handle"`
	PinnedItemID string `json:"pinned_item_id,omitempty"`
}

// Post is one harvested item. It is transient: constructed per cycle from
// session manager output and discarded when the cycle ends.
type Post struct {
	ID           string `json:"id"`
	SourceHandle string `json:"source_handle"`
	Text         string `json:"text"`
	CanonicalURL string `json:"canonical_url"`
}

// PublishItem pairs a transform output with the post it came from and the
// captured artifact, if any.
type PublishItem struct {
	Post         Post   `json:"post"`
	Text         string `json:"text"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

// FailedBatch is the durable checkpoint between transform and publish: when
// publishing fails after the text-generation cost was already incurred, the
// unpublished remainder is persisted so an operator can retry the publish
// step without re-harvesting or re-transforming.
type FailedBatch struct {
	ID        string        `json:"id"`
	Items     []PublishItem `json:"items"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// CycleReport summarizes one harvest-transform-publish pass.
type CycleReport struct {
	StartedAt     time.Time `json:"started_at"`
	Duration      string    `json:"duration"`
	Harvested     int       `json:"harvested"`
	Published     int       `json:"published"`
	Skipped       int       `json:"skipped"`
	Errors        int       `json:"errors"`
	ReauthPending bool      `json:"reauth_pending"`
}

// Alert represents an urgent operator notification.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "detection", "failed_batch", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
