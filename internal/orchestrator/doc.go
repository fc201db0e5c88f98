// Package orchestrator ведёт проекты по конвейеру этапов.
//
// Orchestrator отвечает за:
//   - Создание топиков и подписок конвейера при старте
//   - Обработку сообщений каждого этапа одним общим обработчиком
//   - Перевод проекта в FAILED при постоянной ошибке или исчерпании попыток
//   - Сохранение dead-letter записей
//   - Повторную публикацию продолжений для зависших проектов
//
// Launcher создаёт проекты и отменяет их по запросу оператора.
package orchestrator
