package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

const (
	NumberPrefix = "Ordre#"
	FirstNumber  = 1000
)

// FormatNumber renders n as Ordre#NNNNNNN.
func FormatNumber(n int64) string {
	return fmt.Sprintf("%s%07d", NumberPrefix, n)
}

// ParseNumber extracts the numeric part of an order number.
func ParseNumber(s string) (int64, bool) {
	if !strings.HasPrefix(s, NumberPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(s, NumberPrefix), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// nextNumber increments the order number counter inside tx. The counter row
// is created on first use, starting after the highest number already stored
// so data from before the counter existed keeps increasing.
func nextNumber(tx *gorm.DB) (string, error) {
	var seq db.OrderSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", db.OrderNumberCounter).
		First(&seq).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		start, err := highestNumber(tx)
		if err != nil {
			return "", err
		}
		seq = db.OrderSequence{Name: db.OrderNumberCounter, Value: start}
		if err := tx.Create(&seq).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return "", fmt.Errorf("order counter initialised concurrently: %w", errs.ErrDuplicateOrderNumber)
			}
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("lock order counter: %w", err)
	}

	seq.Value++
	if err := tx.Model(&db.OrderSequence{}).
		Where("name = ?", db.OrderNumberCounter).
		Update("value", seq.Value).Error; err != nil {
		return "", fmt.Errorf("advance order counter: %w", err)
	}
	return FormatNumber(seq.Value), nil
}

func highestNumber(tx *gorm.DB) (int64, error) {
	var last db.Order
	err := tx.Unscoped().
		Where("order_number LIKE ?", NumberPrefix+"%").
		Order("order_number DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return 0, err
	}
	if n, ok := ParseNumber(last.OrderNumber); ok && n >= FirstNumber {
		return n, nil
	}
	return FirstNumber - 1, nil
}
