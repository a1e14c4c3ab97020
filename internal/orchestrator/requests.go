package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// PlaceHoldRequest は予約登録の要求。目録の予約は資料単位のみ。
type PlaceHoldRequest struct {
	BibID          string   `json:"bib_id" validate:"required"`
	ItemIDs        []string `json:"item_ids" validate:"required,min=1,dive,required"`
	PickupLocation string   `json:"pickup_location"`
	Email          string   `json:"email" validate:"omitempty,email"`
}

// HoldsRequest は既存予約への一括操作の要求。
type HoldsRequest struct {
	HoldIDs []string `json:"hold_ids" validate:"required,min=1,dive,required"`
}

// FreezeHoldsRequest は予約の一時停止・解除の要求。
type FreezeHoldsRequest struct {
	HoldIDs []string `json:"hold_ids" validate:"required,min=1,dive,required"`
	Freeze  bool     `json:"freeze"`
}

// UpdateHoldsRequest は受取館・通知先の変更要求。少なくとも一方が必要。
type UpdateHoldsRequest struct {
	HoldIDs        []string `json:"hold_ids" validate:"required,min=1,dive,required"`
	PickupLocation string   `json:"pickup_location" validate:"required_without=Email"`
	Email          string   `json:"email" validate:"omitempty,email"`
}

// CheckoutRequest は貸出の要求。BibIDがあれば成功後に所蔵キャッシュを更新対象にする。
type CheckoutRequest struct {
	BibID   string   `json:"bib_id"`
	ItemIDs []string `json:"item_ids" validate:"required,min=1,dive,required"`
}

// CheckoutsRequest は返却・更新の要求。
type CheckoutsRequest struct {
	CheckoutIDs []string `json:"checkout_ids" validate:"required,min=1,dive,required"`
}

var validate = validator.New()

// validateRequest は構造体タグで要求を検証し、ValidationFailureに変換する。
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewValidationFailureError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "min":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "required_without":
			msgs = append(msgs, fmt.Sprintf("%s or %s is required", fe.Field(), fe.Param()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid email address", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return model.NewValidationFailureError(strings.Join(msgs, "; "))
}
