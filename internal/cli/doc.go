// Package cli реализует инструмент командной строки Scribe.
//
// # Обзор
//
// CLI — клиентская утилита для оператора. Работает через HTTP API,
// не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Scribe API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	projects, err := client.ListProjects(cli.ListProjectsOpts{Status: "FAILED"})
//
// ## Output
//
// Форматирование вывода. Поддерживает три режима:
//   - Таблицы (go-pretty) — по умолчанию
//   - JSON — -o json или --json
//   - YAML — -o yaml
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: scribe project list -o json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - project: list, create, show, cancel
//   - dead-letter: list
//
// Каждая группа создаётся через фабричную функцию (NewProjectCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
