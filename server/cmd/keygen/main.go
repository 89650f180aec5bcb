package main

import (
	"fmt"
	"os"

	"kafka-replicator/shared/authx"
)

func main() {
	key, err := authx.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate api key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Generated API key:")
	fmt.Println(key)
	fmt.Println()
	fmt.Println("Add it to the server and client .env files:")
	fmt.Printf("API_KEY=%s\n", key)
	fmt.Println()
	fmt.Println("Or store it as a Kubernetes secret:")
	fmt.Printf("kubectl create secret generic kafka-replicator-secrets --from-literal=api-key=%s\n", key)
}
