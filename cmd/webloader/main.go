package main

import (
	"github.com/alecthomas/kong"
)

var version = "dev"

var cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Run the capture service and HTTP command interface"`
	Export  exportCmd  `cmd:"" help:"Export a captured session directory offline"`
	HAR     harCmd     `cmd:"" name:"har" help:"Write a session's records as a HAR log"`
	Stats   statsCmd   `cmd:"" help:"Print the live summary of a session directory"`
	Version versionCmd `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("webloader"),
		kong.Description("Capture every resource a page loads and export it as a browsable tree"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
