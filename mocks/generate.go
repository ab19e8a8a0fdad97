package mocks

//go:generate mockgen -destination=./mock_broker.go -package=mocks limitless/internal/broker Broker
//go:generate mockgen -destination=./mock_provider.go -package=mocks limitless/internal/gather Provider
