package auth

// Authorizer decides who may talk to the bot. An empty allow-list opens the
// bot to everyone; admins are always allowed.
type Authorizer struct {
	allowedIDs map[int64]bool
	adminsIDs  map[int64]bool
}

func NewAuthorizer(ids []int64, admins []int64) *Authorizer {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	adminMap := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{allowedIDs: allowed, adminsIDs: adminMap}
}

// IsAuthorized reports whether userID passes the allow-list.
func (a *Authorizer) IsAuthorized(userID int64) bool {
	if len(a.allowedIDs) == 0 {
		return true
	}
	return a.allowedIDs[userID]
}

func (a *Authorizer) IsAdmin(userID int64) bool {
	return a.adminsIDs[userID]
}

func (a *Authorizer) IsAllowed(userID int64) bool {
	return a.IsAuthorized(userID) || a.IsAdmin(userID)
}

// Open reports whether the bot has no allow-list.
func (a *Authorizer) Open() bool {
	return len(a.allowedIDs) == 0
}
