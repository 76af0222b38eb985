package main

import z2mautomations "github.com/kradalby/z2m-automations"

func main() {
	z2mautomations.Main()
}
