// Package validation provides request validation for the giftlink API.
package validation

import (
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftlink/internal/usdc"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxSecretBytes bounds claim secrets. Links carry 32 random bytes; anything
// far beyond that is not a secret we issued.
const MaxSecretBytes = 256

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// 32-byte hashes: claim ids and transaction hashes
	hashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	hexRegex  = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHash checks for a 0x-prefixed 32-byte hex string
func IsValidHash(s string) bool {
	return hashRegex.MatchString(s)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// ParseSecret decodes a hex claim secret, with or without 0x.
func ParseSecret(s string) ([]byte, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s)%2 != 0 || len(s)/2 > MaxSecretBytes || !IsValidHex(s) {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ParseHash parses a claim id or transaction hash.
func ParseHash(s string) (common.Hash, bool) {
	s = strings.TrimSpace(s)
	if !IsValidHash(s) {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// NonZeroAddress rejects the zero address, which can never receive funds.
func NonZeroAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if IsValidEthAddress(value) && common.HexToAddress(value) == (common.Address{}) {
			return &ValidationError{Field: field, Message: "must not be the zero address"}
		}
		return nil
	}
}

// ValidHash checks a 32-byte hex field such as a claim id or tx hash
func ValidHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash(value) {
			return &ValidationError{Field: field, Message: "must be a 32-byte hex string (0x + 64 hex chars)"}
		}
		return nil
	}
}

// ValidSecret checks a hex-encoded claim secret
func ValidSecret(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseSecret(value); !ok {
			return &ValidationError{Field: field, Message: "must be an even-length hex string"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a positive USDC amount with at most six decimals
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := usdc.ParsePositive(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// ClaimIDParamMiddleware rejects malformed :claimId URL parameters early.
func ClaimIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("claimId")
		if id != "" && !IsValidHash(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_claim_id",
				"message": "claimId must be 0x + 64 hex chars",
			})
			return
		}
		c.Next()
	}
}
