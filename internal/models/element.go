package models

import "encoding/json"

/*
OPAQUE SCENE ELEMENTS

The server never interprets what a drawing element *is* - rectangles, arrows,
freedraw strokes and whatever the browser invents next all pass through
verbatim. Validation of the element schema is the client's job.

The one exception: two reserved synthetic types, "cameraUpdate" and
"viewportUpdate". Producers use them to steer the camera inside an elements
payload. They are stripped from the stored scene and reinterpreted as
viewport operations.
*/

// Element is one opaque scene object, stored and broadcast verbatim.
type Element = json.RawMessage

// elementProbe is the typed projection the server reads from an element.
// Only the fields needed to recognize synthetic viewport elements.
type elementProbe struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the camera rectangle the browser should frame.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// StripViewportElements separates drawable elements from synthetic
// cameraUpdate/viewportUpdate elements. Elements that fail to decode are
// kept as drawables - the server does not police element schemas.
func StripViewportElements(elements []Element) (draw []Element, viewports []Viewport) {
	draw = make([]Element, 0, len(elements))

	for _, el := range elements {
		var probe elementProbe
		if err := json.Unmarshal(el, &probe); err != nil {
			draw = append(draw, el)
			continue
		}

		switch probe.Type {
		case "cameraUpdate", "viewportUpdate":
			viewports = append(viewports, Viewport{
				X:      probe.X,
				Y:      probe.Y,
				Width:  probe.Width,
				Height: probe.Height,
			})
		default:
			draw = append(draw, el)
		}
	}

	return draw, viewports
}

// ElementID returns the element's "id" field, or "" if it has none.
func ElementID(el Element) string {
	var probe elementProbe
	if err := json.Unmarshal(el, &probe); err != nil {
		return ""
	}
	return probe.ID
}
