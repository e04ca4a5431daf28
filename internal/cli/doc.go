// Package cli реализует инструмент командной строки Hartree.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Hartree API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Hartree API. Инкапсулирует HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	jobs, err := client.ListJobs(cli.ListJobsOpts{Status: "running"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// hartree job list --json | jq .
//
// ## Commands
//
//   - job submit [-f job.yaml] [--xyz ... --basis-set ... --output-path ...]
//   - job list [--status ...]
//   - job show JOB_ID
//   - job delete JOB_ID
//
// Группа создаётся через NewJobCmd(clientFn, outputFn): замыкания
// лениво создают Client и Output после парсинга PersistentFlags.
package cli
