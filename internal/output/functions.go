package output

import "fmt"

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}

func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}

func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}

func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

func PrintDetail(text string) {
	fmt.Println(detailStyle.Render(text))
}

func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

func FDebug(text string) string {
	return debugStyle.Render(text)
}

// FState colours a manifest chunk state for tables.
func FState(state string) string {
	switch state {
	case "complete":
		return successStyle.Render(state)
	case "failed":
		return errorStyle.Render(state)
	case "in_progress":
		return infoStyle.Render(state)
	}
	return pendingStyle.Render(state)
}
