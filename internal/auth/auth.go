package auth

// Claims 令牌验证成功后的身份声明
type Claims struct {
	UserID       string
	CustomerSlug string
	Role         string
}

// User 用户信息
type User struct {
	ID   string
	Name string
	Role string
}

// Verifier 外部认证协作方接口
// 令牌签发与校验由上游认证服务实现，本服务只消费
type Verifier interface {
	VerifyToken(token string) (*Claims, error)
	FindUserByID(id string) (*User, error)
}
