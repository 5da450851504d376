package tier

// Name is a canonical (upper-case) tier name.
type Name string

const (
	Starter Name = "STARTER"
	Creator Name = "CREATOR"
	Growth  Name = "GROWTH"
	Scale   Name = "SCALE"
)

// QueuePriority orders production work for a tier.
type QueuePriority string

const (
	PriorityStandard  QueuePriority = "STANDARD"
	PriorityExpedited QueuePriority = "EXPEDITED"
	PriorityPriority  QueuePriority = "PRIORITY"
	PriorityRush      QueuePriority = "RUSH"
)

// Entitlements is the bundle a subscription is pinned to when its tier is set.
type Entitlements struct {
	Tier          Name          `json:"tier"`
	MonthlyTokens int64         `json:"monthly_tokens"`
	MaxFormats    int           `json:"max_formats"`
	MaxRevisions  int           `json:"max_revisions"`
	QueuePriority QueuePriority `json:"queue_priority"`
	VoiceClone    bool          `json:"voice_clone"`
	AvatarClone   bool          `json:"avatar_clone"`
}
