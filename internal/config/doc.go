// Package config loads and validates the per-deployment settings payload
// for annotext.
//
// Settings are read from `config/annotext.yaml` and can be overridden via
// ANNOTEXT_-prefixed environment variables (see config.go for keys). The
// payload is authored once per environment by copying
// `config/annotext.example.yaml` and substituting real secrets; it is
// read once at process startup and never mutated at runtime.
package config
