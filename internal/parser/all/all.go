// Package all registers every file parser.
package all

import (
	_ "tablekit/internal/parser/delimited"
	_ "tablekit/internal/parser/html"
	_ "tablekit/internal/parser/json"
	_ "tablekit/internal/parser/pdf"
	_ "tablekit/internal/parser/xlsx"
)
