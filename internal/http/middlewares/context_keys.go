package middlewares

type ctxKey string

const (
	CtxRequestID = "request_id"

	CtxActorID ctxKey = "actor_id"
	CtxRole    ctxKey = "role"
)
