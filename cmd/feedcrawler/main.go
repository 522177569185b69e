// Package main wires together the feedcrawler binary.
package main

import "github.com/JakeFAU/feedindex-crawler/cmd"

func main() {
	cmd.Execute()
}
