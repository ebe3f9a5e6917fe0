// Package normalisers holds the text normalisers and format converters.
//
// plaintext cleans any extracted text before chunking and is the engine's
// Normaliser. markdown and html turn library text files in those formats
// into plain text when the file fetcher loads them.
package normalisers
