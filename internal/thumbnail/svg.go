package thumbnail

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// SVGSize reads the intrinsic size of an SVG document from its root element,
// preferring width/height and falling back to the viewBox.
func SVGSize(svg string) (float64, float64) {
	decoder := xml.NewDecoder(strings.NewReader(svg))
	for {
		token, err := decoder.Token()
		if err != nil {
			return 0, 0
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "svg" {
			return 0, 0
		}
		var width, height float64
		var viewBox string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "width":
				width = parseLength(attr.Value)
			case "height":
				height = parseLength(attr.Value)
			case "viewBox":
				viewBox = attr.Value
			}
		}
		if width > 0 && height > 0 {
			return width, height
		}
		fields := strings.Fields(strings.ReplaceAll(viewBox, ",", " "))
		if len(fields) == 4 {
			return parseLength(fields[2]), parseLength(fields[3])
		}
		return 0, 0
	}
}

func parseLength(value string) float64 {
	value = strings.TrimSuffix(strings.TrimSpace(value), "px")
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
