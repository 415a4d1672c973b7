// Package cerr defines the error kinds surfaced to callers across
// CountBot's core (§7 of the specification) and their REST mapping.
package cerr

import "fmt"

type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	NotFound           Kind = "not_found"
	Forbidden          Kind = "forbidden"
	RateLimited        Kind = "rate_limited"
	QuotaExhausted     Kind = "quota_exhausted"
	AuthFailed         Kind = "auth_failed"
	ModelUnavailable   Kind = "model_unavailable"
	ContextTooLong     Kind = "context_too_long"
	ServiceUnavailable Kind = "service_unavailable"
	NetworkError       Kind = "network_error"
	ToolError          Kind = "tool_error"
	ChannelUnavailable Kind = "channel_unavailable"
	Cancelled          Kind = "cancelled"
)

// HTTPStatus maps a Kind to the status code the REST edge returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return 400
	case AuthFailed:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case ServiceUnavailable, NetworkError:
		return 503
	default:
		return 500
	}
}

// Detail returns a short, Chinese-language, user-facing sentence for the
// kind — never a stack trace, per the propagation policy.
func (k Kind) Detail() string {
	switch k {
	case InvalidInput:
		return "请求参数无效"
	case NotFound:
		return "未找到请求的资源"
	case Forbidden:
		return "没有权限执行此操作"
	case RateLimited:
		return "请求过于频繁，请稍后再试"
	case QuotaExhausted:
		return "额度或余额已用尽"
	case AuthFailed:
		return "身份验证失败"
	case ModelUnavailable:
		return "模型暂不可用"
	case ContextTooLong:
		return "上下文过长"
	case ServiceUnavailable:
		return "服务暂不可用"
	case NetworkError:
		return "网络错误"
	case ToolError:
		return "工具执行出错"
	case ChannelUnavailable:
		return "渠道未配置或未运行"
	case Cancelled:
		return "操作已取消"
	default:
		return "发生未知错误"
	}
}

// Error is a Kind-tagged error carrying an optional underlying cause and
// a caller-supplied message distinct from the fixed Chinese Detail.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error,
// defaulting to ServiceUnavailable for opaque errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if as(err, &ce) {
		return ce.Kind
	}
	return ServiceUnavailable
}

func as(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
