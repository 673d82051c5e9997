package types

// Delivery is one event stored by the delivery service, with the cursor
// it was assigned.
type Delivery struct {
	Cursor uint64 `json:"cursor"`
	Event  []byte `json:"event"`
}

// Inbox is the result of a fetch: events per group and welcomes for the user.
type Inbox struct {
	Groups        map[GroupID][]Delivery `json:"groups"`
	Welcomes      []Delivery             `json:"welcomes"`
	WelcomeCursor uint64                 `json:"welcome_cursor"`
}
