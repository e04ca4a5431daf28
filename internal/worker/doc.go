// Package worker выполняет стадии pipeline.
//
// # Обзор
//
// Worker — stateless компонент системы Hartree, который выполняет
// WorkItem, опубликованные Task Dispatcher'ом. Worker отвечает за:
//
//   - Получение WorkItem из очереди work.ready (по одному на слот)
//   - Проверку удаления job перед выполнением
//   - Выполнение стадии через executor из Registry
//   - Публикацию ровно одного completion в work.completed
//
// Повторно доставленный WorkItem просто выполняется ещё раз;
// лишние completion отбрасывает dispatcher.
//
// # Ключевые компоненты
//
// ## Pool
//
// Эластичный пул слотов. Создаётся через New(cfg Config), запускается
// Start(ctx), размер меняется Resize(n) в пределах [MinSlots, MaxSlots].
//
//	pool := worker.New(worker.Config{
//	    Conn:      mqConn,
//	    Publisher: publisher,
//	    Ledger:    jobRepo,
//	    Registry:  registry,
//	    MinSlots:  1,
//	    MaxSlots:  16,
//	    Logger:    logger,
//	})
//
//	if err := pool.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Stop()
//
// ## Executor
//
// Интерфейс выполнения стадии:
//
//	type Executor interface {
//	    Execute(ctx context.Context, item *domain.WorkItem) (domain.Result, error)
//	}
//
// Реализации:
//   - CommandExecutor — запуск вычислительного образа локальным процессом
//   - HTTPExecutor — POST WorkItem во внешний вычислительный сервис
//   - LoopUpdateExecutor — update_loop_variables по JSON scf_step
//
// ## Registry
//
// Реестр executor'ов по стадии. NewRegistry(compute, loop) назначает compute
// всем вычислительным стадиям.
package worker
