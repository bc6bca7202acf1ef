// Package logx is speedcheck's structured logger, a thin layer over zerolog.
//
// Console output is human readable and written to stderr. The optional log
// file receives one JSON object per event. Loggers obtained from a Service
// pick up level and sink changes made by Service.Apply.
package logx
