// Package scripts embeds the Risor extraction scripts run by the analysis
// engine.
package scripts

import "embed"

// FS holds extract/<language>.risor.
//
//go:embed extract/*.risor
var FS embed.FS
