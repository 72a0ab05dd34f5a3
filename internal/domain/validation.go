package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxExternalIDLength matches the external_id column width.
const maxExternalIDLength = 255

// Amounts and balances are stored as NUMERIC(19, 2).
const (
	amountScale        = 2
	maxAmountIntDigits = 17
)

// amountLimit is the smallest magnitude that no longer fits the stored columns.
var amountLimit = decimal.New(1, maxAmountIntDigits)

// ValidationService decides whether an operation in PROCESSING may complete.
// It only reads; the processor applies the balance change afterwards.
type ValidationService struct {
	accountRepo AccountRepository
	log         logrus.FieldLogger
}

// NewValidationService creates a new ValidationService.
func NewValidationService(accountRepo AccountRepository, log logrus.FieldLogger) *ValidationService {
	return &ValidationService{
		accountRepo: accountRepo,
		log:         log,
	}
}

// ValidateOperation locks the operation's account and runs the business checks in order:
//  1. account exists
//  2. currencies are equal
//  3. amount is positive and fits the stored precision
//  4. a debit does not exceed the balance, a credit does not overflow it
//
// It returns EventProcessingCompleted or EventProcessingRejected. ctx must carry the
// processor's transaction so the account lock lasts until the balance mutation commits.
// Infrastructure errors are returned as errors, never as a rejection.
func (s *ValidationService) ValidateOperation(ctx context.Context, op *Operation) (EventType, error) {
	log := s.log.WithFields(logrus.Fields{
		"external_id": op.ExternalID,
		"account_id":  op.AccountID,
		"kind":        op.Kind,
		"amount":      op.Amount.String(),
	})

	account, err := s.accountRepo.Lock(ctx, op.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Warn("validation rejected: account not found")
			return EventProcessingRejected, nil
		}
		return "", fmt.Errorf("failed to lock account for validation: %w", err)
	}

	if op.Currency != account.Currency {
		log.WithFields(logrus.Fields{
			"operation_currency": op.Currency,
			"account_currency":   account.Currency,
		}).Warn("validation rejected: currency mismatch")
		return EventProcessingRejected, nil
	}

	if !op.Amount.IsPositive() {
		log.Warn("validation rejected: amount must be positive")
		return EventProcessingRejected, nil
	}

	if err := ValidateAmountPrecision(op.Amount); err != nil {
		log.WithError(err).Warn("validation rejected: amount does not fit stored precision")
		return EventProcessingRejected, nil
	}

	if op.Kind == OperationKindDebit && op.Amount.GreaterThan(account.Balance) {
		log.WithField("balance", account.Balance.String()).Warn("validation rejected: insufficient balance")
		return EventProcessingRejected, nil
	}

	if op.Kind == OperationKindCredit && account.Balance.Add(op.Amount).GreaterThanOrEqual(amountLimit) {
		log.WithField("balance", account.Balance.String()).Warn("validation rejected: balance would overflow")
		return EventProcessingRejected, nil
	}

	log.Debug("validation passed")
	return EventProcessingCompleted, nil
}

// ValidateCreateInput checks the shape of a creation request.
// Business rules (currency match, positive amount, funds) are left to the processor
// so that they end in REJECTED rather than a synchronous error. An amount that the
// NUMERIC(19, 2) columns would round or overflow is invalid input.
func ValidateCreateInput(in CreateOperationInput) error {
	if in.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}
	if len(in.ExternalID) > maxExternalIDLength {
		return fmt.Errorf("%w: external id must be at most %d characters", ErrInvalidInput, maxExternalIDLength)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, in.Kind)
	}
	if err := ValidateCurrencyCode(in.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ValidateAmountPrecision(in.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateAmountPrecision checks that amount is stored without rounding or overflow:
// at most two decimal places and at most 17 integer digits.
func ValidateAmountPrecision(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("amount %s has more than %d decimal places", amount, amountScale)
	}
	if amount.Abs().GreaterThanOrEqual(amountLimit) {
		return fmt.Errorf("amount %s has more than %d integer digits", amount, maxAmountIntDigits)
	}
	return nil
}

// ValidateCurrencyCode validates that a currency code follows ISO 4217 format.
func ValidateCurrencyCode(code string) error {
	if code == "" {
		return fmt.Errorf("currency code cannot be empty")
	}

	if len(code) != 3 {
		return fmt.Errorf("currency code must be 3 characters (ISO 4217)")
	}

	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("currency code must contain only uppercase letters")
		}
	}

	return nil
}
