// apierrors стандартизирует ошибки HTTP-уровня по обе стороны провода.
//
// Клиент: FromResponse превращает не-2xx ответ в *APIError, разбирая
// конверт {"error":{"code","message","request_id"}} (или плоский {"message"}).
// Сервер: Write пишет тот же конверт с корректным статусом.
//
// Classify раскладывает ошибку по таксономии:
//   - KindTransport - сеть/таймаут, ответа нет;
//   - KindUnauthorized - 401, который уже не будет восстановлен;
//   - KindSessionEnded - сессия завершена принудительно (нет refresh-токена
//     или обновление не удалось);
//   - KindAPI - прочие ответы сервера с ошибкой.
package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/tidwall/gjson"
)

// Нестандартный код часто используемый для "клиент закрыл соединение".
const StatusClientClosedRequest = 499

// maxErrorBody - сколько байт тела ошибки читаем максимум.
const maxErrorBody = 64 << 10

// ErrSessionEnded помечает ошибки, после которых сессия очищена
// и требуется повторная аутентификация.
var ErrSessionEnded = errors.New("session ended")

// APIError - ответ сервера с ошибкой.
// Code - короткий стабильный код для машиночитаемой обработки.
// Message - безопасное человекочитаемое описание.
// RequestID - прокидывается из X-Request-Id, если есть.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// ErrorResponse - корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// New создаёт *APIError; пустые code/message берутся из базового маппинга статуса.
func New(status int, code, message string) *APIError {
	baseCode, baseMsg := baseFromStatus(status)
	if code == "" {
		code = baseCode
	}
	if message == "" {
		message = baseMsg
	}

	return &APIError{Status: status, Code: code, Message: message}
}

// FromResponse читает и закрывает тело ответа, возвращая *APIError.
// Тело может быть произвольным: неизвестный формат даёт базовые code/message.
func FromResponse(resp *http.Response) error {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	code := gjson.GetBytes(body, "error.code").String()
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}

	e := New(resp.StatusCode, code, msg)

	e.RequestID = gjson.GetBytes(body, "error.request_id").String()
	if e.RequestID == "" {
		e.RequestID = resp.Header.Get("X-Request-Id")
	}

	return e
}

// Write - хелпер для HTTP-хендлеров.
// Ошибка не *APIError превращается в 500/internal без утечки деталей.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = New(http.StatusInternalServerError, "", "")
	}

	resp := ErrorResponse{Error: *apiErr}
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

// IsUnauthorized - ошибка является ответом 401.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Kind - класс ошибки для вызывающего кода.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindUnauthorized
	KindSessionEnded
	KindAPI
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionEnded:
		return "session_ended"
	case KindAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Classify определяет класс ошибки. Принудительное завершение сессии
// проверяется первым: такие ошибки могут оборачивать и ответ сервера.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, ErrSessionEnded) {
		return KindSessionEnded
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized {
			return KindUnauthorized
		}
		return KindAPI
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	return KindUnknown
}

// baseFromStatus - базовый маппинг HTTP-статус -> код/сообщение.
func baseFromStatus(status int) (string, string) {
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument", "invalid argument"
	case http.StatusUnauthorized:
		return "unauthenticated", "unauthenticated"
	case http.StatusForbidden:
		return "permission_denied", "permission denied"
	case http.StatusNotFound:
		return "not_found", "not found"
	case http.StatusConflict:
		return "already_exists", "already exists"
	case http.StatusPreconditionFailed:
		return "failed_precondition", "failed precondition"
	case http.StatusTooManyRequests:
		return "resource_exhausted", "resource exhausted"
	case StatusClientClosedRequest:
		return "canceled", "canceled"
	case http.StatusNotImplemented:
		return "unimplemented", "unimplemented"
	case http.StatusServiceUnavailable:
		return "unavailable", "service unavailable"
	case http.StatusGatewayTimeout:
		return "deadline_exceeded", "deadline exceeded"
	}

	if status >= http.StatusInternalServerError {
		return "internal", "internal error"
	}

	return "unknown", http.StatusText(status)
}
