package repositories

import (
	"errors"

	"github.com/lib/pq"

	"gigconnect-chat/internal/apperr"
)

var (
	ErrChatNotFound    = apperr.NotFound("chat not found")
	ErrMessageNotFound = apperr.NotFound("message not found")
	ErrUserNotFound    = apperr.NotFound("user not found")
	ErrNotParticipant  = apperr.Forbidden("not a chat member")
	ErrSelfChat        = apperr.Validation("cannot chat with yourself")

	ErrDuplicatePayment = apperr.New(apperr.KindConflict, "payment already recorded")
)

const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}
