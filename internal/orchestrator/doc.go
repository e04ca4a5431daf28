// Package orchestrator выполняет SCF-pipeline для job.
//
// Workflow — явный автомат с фиксированной топологией:
//
//	InfoGathering → ParallelPrecompute → LoopInit → LoopBody (повтор) → Converged | Failed
//
// Каждое состояние — функция перехода; подвешивание происходит только
// в Dispatcher.Dispatch. Четыре ветки ParallelPrecompute выполняются
// конкурентно (errgroup), ветка двухэлектронных интегралов выбирает
// single-shot или slices.
//
// Orchestrator — сервисный слой вокруг Workflow:
//   - Получает новые job из очереди RabbitMQ (event-driven)
//   - Периодически проверяет pending job в ledger (polling fallback)
//   - Передаёт completions из work.completed в Dispatcher
//   - Записывает итог workflow в ledger, не перезаписывая deleted
package orchestrator
