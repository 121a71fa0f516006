package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           lmbridge API
// @version         1.0
// @description     HTTP bridge to a locally loaded LLM: initialize, generate, stream and dispose.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
