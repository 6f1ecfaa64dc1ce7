package models

type Role string

const (
	RoleProducer    Role = "producer"
	RoleDistributor Role = "distributor"
	RoleInvestor    Role = "investor"
	RoleAdmin       Role = "admin"
)

// Principal is the verified identity attached to a request or a live connection.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (p Principal) CanBid() bool {
	return p.Role == RoleDistributor || p.Role == RoleInvestor
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// DisplayName falls back to the principal id when the token carried no name.
func (p Principal) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
