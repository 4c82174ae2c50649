// Command keel runs a keel node and administers its checkpoint store.
package main

func main() {
	Execute()
}
