// Package parse turns raw markup into a queryable document tree.
package parse

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrEmptyDocument is wrapped by ParseError when the body has no content.
var ErrEmptyDocument = errors.New("empty document")

// ErrNotHTML is wrapped by ParseError when the body contains no elements.
var ErrNotHTML = errors.New("no html elements")

// ParseError reports markup that cannot be turned into a document.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("parse document: %v", e.Err)
	}
	return fmt.Sprintf("parse document from %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Document is a parsed page.
type Document struct {
	doc    *goquery.Document
	source string
}

// Source returns the URL the document was parsed from, if known.
func (d *Document) Source() string { return d.source }

// Find runs a CSS selector against the whole document.
func (d *Document) Find(selector string) *goquery.Selection {
	return d.doc.Find(selector)
}

// Root exposes the document selection.
func (d *Document) Root() *goquery.Selection {
	return d.doc.Selection
}

// Parse builds a Document from body. source is the page URL; extractors
// resolve relative links against it.
func Parse(body []byte, source string) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Source: source, Err: ErrEmptyDocument}
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}
	doc := goquery.NewDocumentFromNode(root)
	// html.Parse always synthesizes html/head/body, so look for real content.
	if doc.Find("body *").Length() == 0 && doc.Find("head > *").Length() == 0 {
		return nil, &ParseError{Source: source, Err: ErrNotHTML}
	}
	return &Document{doc: doc, source: source}, nil
}
