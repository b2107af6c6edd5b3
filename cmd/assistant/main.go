package main

import "k8s-ai-assistant/cmd/assistant/cli"

func main() {
	cli.InitAndExecute()
}
