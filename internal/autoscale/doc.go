// Package autoscale управляет размером worker pool по глубине очереди.
//
// Политика — упорядоченная таблица threshold→delta: для текущей глубины
// work.ready выбирается шаг с наибольшим threshold <= depth, и его delta
// прибавляется к текущему числу слотов. Результат ограничен [Min, Max].
//
// Controller раз в тик (robfig/cron, "@every 15s" по умолчанию) измеряет
// глубину и вызывает Resize у пула. Тик, не успевший завершиться, не
// накладывается на следующий (SkipIfStillRunning).
//
// Использование:
//
//	ctrl, err := autoscale.NewController(autoscale.ControllerConfig{
//	    Schedule:  cfg.AutoscaleSchedule,
//	    Policy:    policy,
//	    Inspector: conn,   // *mq.Connection
//	    Scaler:    pool,   // *worker.Pool
//	    Logger:    logger,
//	})
//	ctrl.Start()
//	defer ctrl.Stop()
package autoscale
