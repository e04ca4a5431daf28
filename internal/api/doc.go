// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go     — Handler с DI (ledger, publisher, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - job_handler.go — обработчики для /jobs
//
// API принимает SCF-задачи, отдаёт их статус и удаляет их.
// Выполнением занимается оркестратор: API только пишет job в ledger
// и публикует job.pending.
package api
