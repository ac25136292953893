package protocol

var NewEchoMachine = newEchoMachine
