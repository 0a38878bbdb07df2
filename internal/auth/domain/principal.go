package domain

// Principal is what the credential store tells us about a member or client.
type Principal struct {
	Type   PrincipalType
	ID     string
	Active bool
}
