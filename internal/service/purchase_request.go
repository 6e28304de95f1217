package service

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/processor"
)

// Processor field limits
const (
	maxFullNameLen = 128
	maxEmailLen    = 128
	maxPhoneLen    = 32
	maxStreetLen   = 128
	maxCityLen     = 128
	maxZipLen      = 32
	maxStateLen    = 128
	maxCountryLen  = 2
	maxProductLen  = 256
)

// CallbackURL is where the processor calls back and redirects the buyer
// for an order
func CallbackURL(publicURL, gatewayID string, orderID int64) string {
	return fmt.Sprintf("%s/payments/callback/%s?order_id=%d", strings.TrimRight(publicURL, "/"), gatewayID, orderID)
}

// buildPurchaseRequest turns an order into a create-purchase request
func buildPurchaseRequest(order *models.Order, items []models.OrderItem, gw config.GatewayConfig, publicURL string, saveCard bool) *processor.PurchaseRequest {
	callback := CallbackURL(publicURL, gw.ID, order.ID)
	billing, shipping := order.Billing, order.Shipping

	total := order.MinorTotal()
	tokenization := order.IsTokenization()
	if tokenization {
		total = 0
	}

	products := make([]models.Product, 0, len(items))
	for _, item := range items {
		products = append(products, models.Product{
			Name:     truncate(item.Name, maxProductLen),
			Quantity: strconv.Itoa(item.Quantity),
			Price:    models.ToMinorUnits(item.UnitPrice),
		})
	}
	if len(products) == 0 {
		products = append(products, models.Product{
			Name:     fmt.Sprintf("Order #%d", order.ID),
			Quantity: "1",
			Price:    total,
		})
	}

	return &processor.PurchaseRequest{
		Reference: strconv.FormatInt(order.ID, 10),
		Platform:  "api",
		Client: processor.ClientDetails{
			Email:                 truncate(billing.Email, maxEmailLen),
			FullName:              truncate(billing.FullName(), maxFullNameLen),
			Phone:                 truncate(billing.Phone, maxPhoneLen),
			StreetAddress:         truncate(joinStreet(billing), maxStreetLen),
			City:                  truncate(billing.City, maxCityLen),
			ZipCode:               truncate(billing.Postcode, maxZipLen),
			State:                 truncate(billing.State, maxStateLen),
			Country:               truncate(strings.ToUpper(billing.Country), maxCountryLen),
			ShippingStreetAddress: truncate(joinStreet(shipping), maxStreetLen),
			ShippingCity:          truncate(shipping.City, maxCityLen),
			ShippingZipCode:       truncate(shipping.Postcode, maxZipLen),
			ShippingState:         truncate(shipping.State, maxStateLen),
			ShippingCountry:       truncate(strings.ToUpper(shipping.Country), maxCountryLen),
		},
		Purchase: processor.PurchaseBody{
			Currency:      order.Currency,
			TotalOverride: &total,
			Products:      products,
		},
		PaymentMethodWhitelist: append([]string(nil), gw.PaymentMethods...),
		SuccessCallback:        callback,
		SuccessRedirect:        callback,
		FailureRedirect:        callback,
		CancelRedirect:         callback,
		SkipCapture:            gw.DelayedCapture && !tokenization,
		ForceRecurring:         saveCard || tokenization,
	}
}

func joinStreet(a models.Address) string {
	return strings.TrimSpace(strings.Join([]string{a.Address1, a.Address2}, " "))
}

// truncate cuts s to at most n characters without splitting a rune
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
