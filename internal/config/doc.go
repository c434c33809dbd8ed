// Package config provides configuration loading and validation for the
// speech-to-plotter service. Settings come from a YAML file layered over
// built-in defaults, with secrets and the listen port overridable from the
// environment or a .env file.
package config
