// Command lectern runs the document ingestion daemon and provides CLI access
// to the document store: queueing files, inspecting processing status, and
// managing uploads and configuration.
package main
