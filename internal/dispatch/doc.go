// Package dispatch реализует Task Dispatcher: отправку WorkItem в Work Queue
// и ожидание completion по CompletionToken.
//
// Каждая попытка dispatch получает новый token. Ожидающая сторона
// регистрирует waiter (буферизованный канал) до публикации; completion,
// пришедший с consumer-горутины, доставляется ровно одному waiter.
// Разрешённые token хранятся в resolved-множестве: повторный или
// запоздавший completion отклоняется с domain.ErrDuplicateCompletion.
//
// Dispatcher безопасен для конкурентного использования ветками workflow.
package dispatch
