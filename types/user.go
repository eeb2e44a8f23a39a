package types

const UserStatusOnline = "online"

// ActiveUser is one entry of a room's presence snapshot. Records without a
// derivable username are dropped during normalization, so Username is always
// non-empty here.
type ActiveUser struct {
	Id       string `json:"id,omitempty" mapstructure:"id"`
	Username string `json:"username" mapstructure:"username"`
	Avatar   string `json:"avatar,omitempty" mapstructure:"avatar"`
	Domain   string `json:"domain,omitempty" mapstructure:"domain"`
	Area     string `json:"area,omitempty" mapstructure:"area"`
	Status   string `json:"status" mapstructure:"status"`
	Role     string `json:"role,omitempty" mapstructure:"role"`
}

func (u *ActiveUser) IdentityKey() string {
	if u.Id != "" {
		return u.Id
	}
	return u.Username
}
