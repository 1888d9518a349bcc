// Package granger предоставляет движок саг для оркестрации распределенных
// бизнес-транзакций.
//
// Основные возможности:
//   - Персистентные саги с идемпотентной обработкой событий
//   - Двухфазный протокол резерваций Try-Confirm/Cancel
//   - LIFO-компенсации с журналом проваленных откатов
//   - Надежная доставка команд через журнал pending-команд
//   - Recovery-воркер: таймауты приостановок, TCC-дедлайны, доставка застрявших команд
//   - Хранилища состояний: PostgreSQL, MongoDB, in-memory
//   - Транспорт команд: NATS, Kafka, Redis Streams, in-memory
//   - Метрики на основе OpenTelemetry
//
// Пример использования:
//
//	def := saga.NewBuilder("order_fulfillment").
//	    On("OrderCreated", saga.ActionSpec{Send: reserveInventory, Step: "reserving"}).
//	    On("InventoryReserved", saga.ActionSpec{Send: chargePayment, Step: "charging"}).
//	    On("PaymentCharged", saga.ActionSpec{Complete: true}).
//	    MustBuild()
//
//	registry := saga.NewSagaRegistry()
//	registry.Register(def)
//
//	manager := saga.NewSagaManager(registry, repo, bus, codecRegistry)
//	manager.BindTo(dispatcher)
package granger

// Version представляет версию фреймворка
const (
	Version = "1.0.0"
	Major   = 1
	Minor   = 0
	Patch   = 0
)

// Metadata содержит метаданные о фреймворке
type Metadata struct {
	Name        string
	Version     string
	Description string
	License     string
}

// GetMetadata возвращает метаданные фреймворка
func GetMetadata() Metadata {
	return Metadata{
		Name:        "Granger Framework",
		Version:     Version,
		Description: "Saga engine for orchestrating distributed business transactions",
		License:     "MIT",
	}
}
