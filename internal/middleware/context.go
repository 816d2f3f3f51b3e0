package middleware

import "context"

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserNameKey contextKey = "user_name"
)

// GetUserID возвращает user_id из контекста (устанавливается AuthServiceValidate).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetUserName — отображаемое имя; пустая строка, если шлюз его не передал.
func GetUserName(ctx context.Context) string {
	v, _ := ctx.Value(UserNameKey).(string)
	return v
}

func WithUser(ctx context.Context, userID, userName string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserNameKey, userName)
}
