// Package core provides the domain models and port interfaces for vidqueue.
package core
