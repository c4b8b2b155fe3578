// Command daedalus hosts JavaScript dataflow operators.
package main

func main() {
	Execute()
}
