package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptRendersPDF(t *testing.T) {
	doc, err := New().Receipt(context.Background(), Receipt{
		ClinicName:    "Harbour Dental",
		ReceiptNumber: "chk_01hx",
		CustomerEmail: "patient@example.com",
		BookingID:     "booking_1",
		Amount:        "120.50",
		Currency:      "eur",
		PaidAt:        time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")), "not a pdf document")
}

func TestReceiptRequiresNumberAndAmount(t *testing.T) {
	_, err := New().Receipt(context.Background(), Receipt{Amount: "1.00"})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
	_, err = New().Receipt(context.Background(), Receipt{ReceiptNumber: "chk_1"})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestOptionalLine(t *testing.T) {
	assert.Equal(t, "", optionalLine("Booking: ", " "))
	assert.Equal(t, "Booking: b1", optionalLine("Booking: ", "b1"))
}
