package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Category is the closed set of spending categories a sponsorship can be restricted to.
type Category uint8

const (
	Groceries Category = iota
	Healthcare
	Education
	Emergency
)

var categoryNames = [...]string{"Groceries", "Healthcare", "Education", "Emergency"}

// Categories lists every category in ledger order.
func Categories() []Category {
	return []Category{Groceries, Healthcare, Education, Emergency}
}

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	return int(c) < len(categoryNames)
}

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
	return categoryNames[c]
}

// ParseCategory accepts a category name (case-insensitive) or its ordinal.
func ParseCategory(raw string) (Category, error) {
	trimmed := strings.TrimSpace(raw)
	for i, name := range categoryNames {
		if strings.EqualFold(trimmed, name) || trimmed == fmt.Sprint(i) {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("ledger: unknown category %q", raw)
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("ledger: invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name or ordinal.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Beneficiary is a sponsor-scoped recipient identified by mobile number.
type Beneficiary struct {
	Name   string `json:"name"`
	Mobile string `json:"mobileNumber"`
}

// Merchant is the ledger's registration record for a wallet.
type Merchant struct {
	Address      common.Address `json:"address"`
	BusinessName string         `json:"businessName"`
	Category     Category       `json:"category"`
	Registered   bool           `json:"isRegistered"`
}

// Sponsorship is a category-tagged allocation from a sponsor to a beneficiary.
type Sponsorship struct {
	Sponsor     common.Address `json:"sponsor"`
	Beneficiary string         `json:"beneficiary"`
	Category    Category       `json:"category"`
	Amount      Amount         `json:"amount"`
	Remaining   Amount         `json:"remainingBalance"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Exists reports whether the ledger returned a populated sponsorship.
func (s Sponsorship) Exists() bool {
	return !s.CreatedAt.IsZero()
}

var phonePattern = regexp.MustCompile(`^\+[0-9]{10,15}$`)

// ValidPhone reports whether mobile is an E.164-style number: a leading '+' and 10-15 digits.
func ValidPhone(mobile string) bool {
	return phonePattern.MatchString(mobile)
}

// ShortAddress renders an address as 0x1234...5678 for logs.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
