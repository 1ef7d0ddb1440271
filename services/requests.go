package services

import (
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type CreateBountyRequest struct {
	Title              string    `json:"title" validate:"required,max=200"`
	Description        string    `json:"description" validate:"required"`
	Requirements       []string  `json:"requirements" validate:"max=20,dive,max=500"`
	Tags               []string  `json:"tags" validate:"max=10,dive,min=1,max=32"`
	VerifierAddress    string    `json:"verifier_address" validate:"omitempty,algo_address"`
	AmountMicro        uint64    `json:"amount_micro" validate:"required,gt=0"`
	Deadline           time.Time `json:"deadline" validate:"required"`
	SignedTransactions []string  `json:"signed_transactions"`
}

// ActionRequestBody is the body of every lifecycle action. Without signed
// transactions the caller gets the unsigned group back.
type ActionRequestBody struct {
	SignedTransactions []string `json:"signed_transactions"`
}

type UpdateBountyRequest struct {
	Title        *string  `json:"title" validate:"omitempty,min=1,max=200"`
	Requirements []string `json:"requirements" validate:"omitempty,max=20,dive,max=500"`
	Tags         []string `json:"tags" validate:"omitempty,max=10,dive,min=1,max=32"`
}

type SubmitWorkRequest struct {
	Description string   `json:"description" validate:"required,max=5000"`
	Links       []string `json:"links" validate:"max=10,dive,url"`
}

type SyncTransactionRequest struct {
	Action string `json:"action" validate:"required"`
	TxID   string `json:"tx_id" validate:"required,len=52,alphanum"`
}

func NewValidator(logger *zap.Logger) *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("algo_address", validateAlgoAddress); err != nil {
		logger.Error("Error registering validation", zap.Error(err))
	}
	return v
}

func validateAlgoAddress(fl validator.FieldLevel) bool {
	addr, err := types.DecodeAddress(fl.Field().String())
	return err == nil && addr != (types.Address{})
}
