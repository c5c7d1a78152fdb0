package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// Validate checks request bodies against their struct tags.
var Validate = validator.New()

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	Reason       string `json:"reason" validate:"max=200"`
}

type createUserRequest struct {
	Username string    `json:"username" validate:"required,min=3,max=50"`
	Email    string    `json:"email" validate:"omitempty,email"`
	Password string    `json:"password" validate:"required,min=8,max=128"`
	Role     auth.Role `json:"role" validate:"omitempty,oneof=user admin"`
}

type publishRequest struct {
	Topic    string `json:"topic" validate:"required,max=256,excludesall=+#"`
	Message  string `json:"message" validate:"max=65536"`
	QoS      *int   `json:"qos" validate:"omitempty,min=0,max=2"`
	Retained bool   `json:"retained"`
}

type userStatusRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// decodeRequest reads a JSON body into v and validates it. The returned
// error message is safe to show to clients.
func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := Validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid request: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.ToLower(fe.Field())
			switch fe.Tag() {
			case "required":
				msgs = append(msgs, field+" is required")
			case "min":
				msgs = append(msgs, field+" must be at least "+fe.Param()+" characters")
			case "max":
				msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
			default:
				msgs = append(msgs, field+" is invalid")
			}
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// writeValidationError writes a 400 for a body that failed decodeRequest.
func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
}
