package model

// ChatPatch is a field-level update for a chat. Nil fields are left alone.
type ChatPatch struct {
	Title       *string
	Kind        *ChatKind
	Privacy     *Privacy
	Membership  *Membership
	Muted       *bool
	Pinned      *bool
	UnreadCount *int
}

// Apply merges the patch into c.
func (p ChatPatch) Apply(c *Chat) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Kind != nil {
		c.Kind = *p.Kind
	}
	if p.Privacy != nil {
		c.Privacy = *p.Privacy
	}
	if p.Membership != nil {
		c.Membership = *p.Membership
	}
	if p.Muted != nil {
		c.Muted = *p.Muted
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.UnreadCount != nil && *p.UnreadCount >= 0 {
		c.UnreadCount = *p.UnreadCount
	}
}

// AccountPatch is a field-level update for an account.
type AccountPatch struct {
	DisplayName *string
	Muted       *bool
	// LoggedOut is set by the server when the session was revoked remotely.
	LoggedOut   *bool
}

// Apply merges the patch into a.
func (p AccountPatch) Apply(a *Account) {
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.Muted != nil {
		a.Muted = *p.Muted
	}
	if p.LoggedOut != nil && *p.LoggedOut {
		a.Status = StepError
	}
}
