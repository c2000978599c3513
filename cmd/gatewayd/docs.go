package main

// General API documentation for swaggo, read by `swag init` when generating
// docs. The default build does not serve the generated docs.
//
// @title           gatewayd API
// @version         1.0
// @description     OpenAI-compatible HTTP gateway for locally-spawned inference backends.
//
// @contact.name   gatewayd maintainers
// @contact.url    https://github.com/your-org/modeld
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
