// Package domain defines the core types shared across VeilChat: key
// material, user and message records, relay wire events, and the store
// contracts the services are written against.
package domain
