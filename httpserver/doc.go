// Package httpserver provides the synchronous HTTP front end of the work
// order manager: submit and process endpoints, result retrieval, the worker
// descriptor, health and drain endpoints, and the metrics listener.
package httpserver
