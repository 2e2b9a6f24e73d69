package models

// ModelGroup is a named, ordered set of provider models.
type ModelGroup struct {
	Name    string             `json:"name"`
	Active  bool               `json:"active"`
	Members []ModelGroupMember `json:"members"`
}

// ModelGroupMember is one model in a group. Seq preserves insertion order
// and breaks priority ties.
type ModelGroupMember struct {
	Seq      int64  `json:"seq"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// Candidate is a resolved provider/model to attempt, in fallback order.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}
