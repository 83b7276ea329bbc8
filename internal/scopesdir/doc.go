// Package scopesdir reads scope description files from install directories
// and watches those directories for scopes being installed or removed.
//
// An install directory holds one directory per scope. Each scope directory
// holds a <scope_id>.toml description:
//
//	display_name = "Weather"
//	description  = "Forecasts for your location"
//	author       = "Example Ltd."
//	icon         = "icon.png"   # relative to the scope directory
//	command      = ["weather-cli", "--search"]
//
// Renaming, symlinking, or removing a scope directory is reported as the
// corresponding Added or Removed event. Directories without a description
// produce nothing.
package scopesdir
